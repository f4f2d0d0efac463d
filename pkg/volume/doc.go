// Package volume resolves a service's named volumes (declared in its
// manifest's volumes map) to host bind-mount paths, attached before a pod's
// containers start and detached, without deleting their contents, when the
// service is stopped; stopping a single pod does not detach anything.
package volume
