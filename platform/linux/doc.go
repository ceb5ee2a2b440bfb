// Package linux implements the Linux sandbox backend on top of bubblewrap.
//
// The command runs in fresh network, pid and ipc namespaces with the host
// root mounted read-only. Writable paths are bound back in, denied paths
// are masked, and a seccomp program blocks AF_UNIX sockets and a fixed set
// of dangerous syscalls. Because the child has no network, the HTTP and
// SOCKS5 proxies are exposed to it through Unix sockets in a private
// directory, and a forwarder inside the sandbox listens on the same
// loopback ports the proxies use on the host.
//
// The srt binary itself runs inside bwrap as a small init. Programs that
// embed srt must call MaybeSandboxInit (or srt.MaybeSandboxInit) at the top
// of main.
package linux
