package strategy

import "time"

// nowFunc is a seam so tests can pin timestamps.
var nowFunc = time.Now
