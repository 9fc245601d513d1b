// Copyright 2026 The Brood Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use file except in compliance with the License.
// You may obtain a copy of the license at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package brood

import (
	"errors"
)

var (
	ErrNoPayload     = errors.New("Worker payload not found or not executable")
	ErrShuttingDown  = errors.New("Supervisor is shutting down")
	ErrBadSlot       = errors.New("No such worker slot")
	ErrAlreadyServed = errors.New("Supervisor has already been served")
	ErrBadConfig     = errors.New("Invalid configuration")
)
