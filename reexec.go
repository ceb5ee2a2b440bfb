package srt

// maybeSandboxInitFn is set on Linux, where commands are started through
// the re-executed srt binary inside bwrap.
var maybeSandboxInitFn = func() bool { return false }

// MaybeSandboxInit checks if the current process was re-executed as a
// sandbox helper, runs the helper role and returns true. Programs that
// embed srt must call it first thing in main:
//
//	func main() {
//	    if srt.MaybeSandboxInit() {
//	        return
//	    }
//	    // ... rest of main
//	}
//
// Outside of a helper role it returns false immediately.
func MaybeSandboxInit() bool {
	return maybeSandboxInitFn()
}
