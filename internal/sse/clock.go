package sse

import "time"

var nowFunc = time.Now
