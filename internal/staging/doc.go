// Package staging inspects and prunes generation inputs copied into the
// backend's input directory.
package staging
