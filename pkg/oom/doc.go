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

// Package oom resolves out-of-memory conditions by choosing a process to
// kill and killing it.
//
// A resolution is triggered by an allocation request which could not be
// satisfied. It first asks registered notifiers to free memory. If they
// fail, it classifies the request by the constraints which restricted
// where memory could come from, serializes with other resolutions over the
// same zones, and then either escalates to a panic, kills the allocating
// process, or scans the process population for the process with the
// highest badness score and kills that one, preferring a child which does
// not share its address space. The killed process is granted access to
// memory reserves so that it can exit quickly.
//
// Badness is a heuristic. It starts from the resident set size of a
// process and its independent children, discounts long-running and
// CPU-heavy processes, penalizes niced ones, protects privileged ones and
// those running outside the allocating process's memory nodes, and finally
// applies the per-process adjustment knob.
package oom
