package broadcast

import "time"

// nowFunc is a seam so tests can pin timestamps; production leaves it as
// time.Now.
var nowFunc = time.Now
