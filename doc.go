// Package srt runs shell commands inside an OS-level sandbox that restricts
// filesystem and network access.
//
// A Manager owns one sandbox session. It selects a backend (bubblewrap plus
// seccomp on Linux, sandbox-exec on macOS, or a Docker container when
// Config.Container is set), starts an HTTP and a SOCKS5 policy proxy that
// enforce the domain allow and deny lists, and records the denials it
// observes as Violations.
//
// Programs that embed srt must call MaybeSandboxInit at the top of main,
// because the Linux backend re-executes the binary inside the sandbox.
//
// Basic usage:
//
//	cfg := srt.DefaultConfig()
//	cfg.Network.AllowedDomains = []string{"github.com"}
//	mgr, err := srt.NewManager(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := mgr.Initialize(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer mgr.Reset(context.Background())
//
//	res, err := mgr.Execute(ctx, "curl -sI https://github.com")
package srt
