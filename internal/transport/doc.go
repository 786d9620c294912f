// Package transport holds the default collaborators that connect a
// secondary to its primary: an HTTP client for the event log and resource
// listings, a rate-limited HTTP blob downloader and a git repository
// fetcher.
//
// The replication core only sees these through the EventSource,
// BlobDownloader and RepositoryFetcher interfaces.
package transport
