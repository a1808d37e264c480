// Copyright The NRI Plugins Authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package oom

import (
	"fmt"
)

var (
	ErrFailedOption    = fmt.Errorf("oom: failed to apply option")
	ErrInvalidRequest  = fmt.Errorf("oom: invalid request")
	ErrNoProcess       = fmt.Errorf("oom: no such process")
	ErrProcessExists   = fmt.Errorf("oom: process already exists")
	ErrInvalidProcess  = fmt.Errorf("oom: invalid process")
	ErrNotKillable     = fmt.Errorf("oom: process not killable")
	ErrInvalidTarget   = fmt.Errorf("oom: invalid kill target")
	ErrUnknownNotifier = fmt.Errorf("oom: unknown notifier")
	ErrHelper          = fmt.Errorf("oom: late helper failed")
)
