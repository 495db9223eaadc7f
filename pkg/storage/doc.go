// Package storage provides an interface to handle backend storage objects.
//
// This package supports the following backends:
//   - local file system
//   - S3 (AWS)
//   - GCS (Google)
package storage
