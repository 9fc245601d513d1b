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

// Package brood supervises a pool of identical worker processes that all
// serve the same network application, typically by accepting connections on
// a shared listening port.  The Supervisor spawns one OS process per pool
// slot, watches each one for exit and for heartbeat stalls, and restarts
// crashed workers under a windowed backoff policy.  A slot whose restart
// budget is exhausted is marked failed and left alone until an operator
// re-arms it.
//
// All pool state is owned by a single control loop.  The health monitor,
// the shutdown path, and the HTTP control surface in the rest subpackage
// communicate with the loop exclusively through typed events, so no lock
// guards the pool, and the ordering of crashes relative to shutdown or
// restart requests is well defined.
//
// The payload is opaque: brood only requires an executable that, once
// launched, either starts doing its job (optionally reporting liveness on
// an inherited heartbeat pipe) or exits with a meaningful status.
package brood
