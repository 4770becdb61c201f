// Copyright (C) The depthnn Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package main

import (
	"github.com/gridlab/depthnn"
)

func main() {
	depthnn.Main()
}
