// Package egress rotates the outbound network identity used for extraction.
// WarpRotator drives the Cloudflare WARP client through warp-cli.
package egress
