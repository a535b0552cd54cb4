// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// +build !linux,!darwin

package rusage

import "github.com/grailbio/base/errors"

func maxRSS() (int64, error) {
	return 0, errors.E(errors.NotSupported, "getrusage")
}
