// Package services defines shared utilities consumed by the worker engine and
// the backend integration.
//
// Key responsibilities:
//   - Structured error markers plus the Wrap helper so failures classify
//     consistently (retryable vs deterministic) across components.
//   - The ComfyUI HTTP client under services/comfy.
package services
