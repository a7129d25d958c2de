/*
Copyright 2026 The Helenos VFS Authors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

     http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package vfs

import (
	"log"
	"os"
)

// Logger is the package-level logger for the broker. It defaults to
// stderr; cmd/* mains and tests may redirect or silence it.
var Logger = log.New(os.Stderr, "vfs: ", log.LstdFlags)
