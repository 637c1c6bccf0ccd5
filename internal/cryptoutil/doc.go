// Package cryptoutil holds the digest helpers used when classifying API
// responses and journaling payloads.
package cryptoutil
