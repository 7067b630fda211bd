// Package reindex rebuilds the semantic index from the product names held in
// the cache store.
//
// A rebuild replaces the whole index. It runs after every deletion from the
// cache store so the index never recognizes a product the store no longer
// holds, and it can be run by hand after changing the embedding model.
package reindex
