package api

import "time"

var nowFunc = time.Now
