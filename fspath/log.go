// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package fspath

import u "github.com/mmp/bkpack/util"

var log *u.Logger

func SetLogger(l *u.Logger) {
	log = l
}
