// Package app contains the core application logic. It defines the main App
// struct, its configuration, and the dispatch lifecycle: load the document,
// expand it, lease devices, run and record every job. It is decoupled from
// any specific entrypoint like a CLI.
package app
