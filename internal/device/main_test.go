// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package device

import (
	"testing"

	test "github.com/westerndigitalcorporation/safenv/pkg/testutil"
)

func TestMain(m *testing.M) {
	test.TestMain(m)
}
