/*
Copyright 2023 Avi Zimmerman <avi.zimmerman@gmail.com>

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

package util

// AllUnique returns true if all elements in the given slice are unique.
func AllUnique[T comparable](sl []T) bool {
	seen := make(map[T]bool)
	for _, v := range sl {
		if seen[v] {
			return false
		}
		seen[v] = true
	}
	return true
}
