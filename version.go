package soxy

import (
	"github.com/blang/semver"
)

var CURRENT_VERSION = semver.MustParse("1.2.0")
