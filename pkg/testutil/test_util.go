// Copyright (c) 2015 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT
//
// Helpers shared by package tests. Flash images and other scratch files go in
// TempDir(), which is removed after a successful run when the package calls
// TestMain from its own main_test.go:
/*

package mypkg

import (
	"testing"

	test "github.com/westerndigitalcorporation/safenv/pkg/testutil"
)

func TestMain(m *testing.M) {
	test.TestMain(m)
}

*/

package testutil

import (
	"flag"
	"log"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

var tempDir, createdBase string

// TempDir gets a temp directory that's exclusive to this process (but not
// necessarily other tests in the same process).
func TempDir() string {
	if tempDir == "" {
		var err error
		tempDir, err = os.MkdirTemp(getBase(), filepath.Base(os.Args[0]))
		if err != nil {
			log.Fatalf("couldn't create temp dir: %s", err)
		}
	}
	return tempDir
}

// TempPath returns a path for a file named 'name' inside a fresh directory
// under TempDir, so tests running in the same process never share images.
func TempPath(t *testing.T, name string) string {
	t.Helper()
	dir, err := os.MkdirTemp(TempDir(), strings.ReplaceAll(t.Name(), "/", "_"))
	if err != nil {
		t.Fatalf("couldn't create dir for %s: %s", name, err)
	}
	return filepath.Join(dir, name)
}

// Get a base temp dir. Create one if it doesn't exist.
func getBase() string {
	if tmp := os.Getenv("TMPDIR"); tmp != "" {
		return tmp
	}
	wd, err := os.Getwd()
	if nil != err {
		log.Fatalf("could not get the current dir: %s", err)
	}
	// "*.test" is in .gitignore.
	base := time.Now().Format("20060102.150405.test")
	tmp := filepath.Join(wd, base)
	if err := os.Mkdir(tmp, 0755); nil != err && !os.IsExist(err) {
		log.Fatalf("failed to create tmp dir: %s", tmp)
	}
	createdBase = tmp
	return tmp
}

func cleanup() {
	if tempDir != "" {
		os.RemoveAll(tempDir)
	}
	if createdBase != "" {
		os.RemoveAll(createdBase)
	}
}

// TestMain should be called from your package TestMain to ensure that the process
// temp directory is cleaned up on successful runs.
func TestMain(m *testing.M) {
	flag.Parse()
	ret := m.Run()
	if ret == 0 {
		cleanup()
	}
	os.Exit(ret)
}
