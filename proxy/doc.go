// Package proxy implements the network policy proxy that sandboxed
// processes are pointed at: an HTTP forward proxy with CONNECT support and
// a SOCKS5 proxy (CONNECT only), both consulting one shared Policy.
//
// A Policy denies by default. Denied patterns win over allowed ones, and
// patterns are either an exact host, a "*.domain.tld" wildcard matching
// strict subdomains, or an IP address or CIDR range that only IP literal
// destinations can match.
//
// The srt package starts and stops the proxies for each session. Import
// this package directly to embed the proxies or the host-side bridges on
// their own.
package proxy
