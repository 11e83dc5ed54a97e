// Copyright NodeGuarder, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package agent

import (
	"bufio"
	"os"
	"runtime"
	"strings"
)

var osReleasePath = "/etc/os-release"

// osRelease reads the distribution name and version from os-release(5).
// Falls back to the GOOS name when the file is missing or unparsable.
func osRelease() (name, version string) {
	name = runtime.GOOS

	file, err := os.Open(osReleasePath)
	if err != nil {
		return name, ""
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := scanner.Text()
		key, value, found := strings.Cut(line, "=")
		if !found {
			continue
		}
		value = strings.Trim(value, `"`)
		switch key {
		case "NAME":
			name = value
		case "VERSION_ID":
			version = value
		}
	}
	return name, version
}
