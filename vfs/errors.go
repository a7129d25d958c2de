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

import "github.com/dusxmt/helenos/vfserr"

func errInvalid(msg string) error {
	return vfserr.Wrap("vfs", vfserr.KindInvalidArgument, errString(msg))
}

func errNotFound(msg string) error {
	return vfserr.Wrap("vfs", vfserr.KindNotFound, errString(msg))
}

type errString string

func (e errString) Error() string { return string(e) }
