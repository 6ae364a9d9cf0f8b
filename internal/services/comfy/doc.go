// Package comfy wraps the ComfyUI HTTP API: graph submission, history
// polling, output discovery, and health checks. Errors carry the services
// sentinel markers so callers can tell deterministic rejections from
// transient backend trouble.
package comfy
