package night

import "time"

var nowFunc = time.Now
