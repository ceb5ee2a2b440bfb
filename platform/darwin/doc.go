// Package darwin implements the macOS backend on top of Seatbelt.
//
// Each command runs as "sandbox-exec -f <profile> argv..." with an SBPL
// profile generated from the session policy. Writes are denied except under
// the temp dirs and the allow list, reads are allowed except under the deny
// list, and the network is closed apart from the two local proxy ports.
// Every denial carries a message naming the command and the session, which
// ViolationMonitor picks out of "log stream" and records.
package darwin
