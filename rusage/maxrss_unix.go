// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// +build linux darwin

package rusage

import (
	"github.com/grailbio/base/errors"
	"golang.org/x/sys/unix"
)

func maxRSS() (int64, error) {
	var ru unix.Rusage
	if err := unix.Getrusage(unix.RUSAGE_SELF, &ru); err != nil {
		return 0, errors.E("getrusage", err)
	}
	return int64(ru.Maxrss), nil
}
