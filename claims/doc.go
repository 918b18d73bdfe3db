// Package claims implements typed, refetchable assertions stored inside the
// access-token payload, and the validator pipeline that checks them on every
// protected request.
package claims
