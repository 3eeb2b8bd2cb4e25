/*
Copyright 2023 Alexander Bartolomey (github@alexanderbartolomey.de)

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

/*
Package ipfixfwd implements a multi-destination IPFIX (RFC 7011) forwarding
engine: the part of a collector that takes already-parsed IPFIX Sets arriving
from one or more exporters and re-exports them, over one or more outbound TCP
connections, to a set of configured destinations.

# Overview

Three components cooperate to make this work:

  - Manager (templates.go) renumbers Template IDs. Each exporter (a "flow
    source") has its own private Template ID space; the Manager reconciles
    those into a single shared ID space per Observation Domain ID (ODID), so
    two exporters sharing an ODID never collide on the wire, and
    semantically identical templates are deduplicated.

  - Builder (builder.go) assembles one or more size-bounded IPFIX datagrams
    from references to externally owned Data Sets and Template Records,
    without copying their payloads. Synthesized bytes (rewritten Set/Template
    headers for renumbered IDs) are the only allocations it performs.

  - DestinationManager (destination.go) owns one non-blocking TCP Sender per
    destination, tracks per-destination per-ODID sequence numbers, and
    reconnects + replays templates to a destination that dropped and came
    back.

Dispatcher (forward.go) drives all three per incoming message: for each
Template Set it consults the template Manager, for each Data Set it remaps
the Set ID, and it hands the resulting packets to the destination Manager
using the configured distribution policy (all destinations, or round-robin).

# Scope

This package forwards; it does not decode Data Record field values, does not
implement TLS or SCTP transport, and does not itself own the wire parsing of
inbound messages beyond what's needed to feed the Dispatcher (see
listener.go and ParseMessage, which are intentionally minimal — Information
Element decoding is a different concern this package has no opinion on).

# Historical background

The algorithms here are a Go rework of CESNET's ipfixcol "forwarding" storage
plugin (github.com/CESNET/ipfixcol), which implements the same three
components in C as part of a libipfixcol-based collector. The concurrency
primitives, the logging/metrics conventions, and the TCP/UDP listeners in
listener.go are carried over from this module's decoder-oriented sibling
library, adapted from a receive-and-decode role to a receive-and-forward one.
*/
package ipfixfwd
