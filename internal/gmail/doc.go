// Package gmail is the message-store search behind EMAIL_JUGGLE tales.
//
// Credentials are a Google OAuth client secrets file plus a token file
// written by Login. The Searcher loads the token lazily, refreshes it in the
// background of each request and writes refreshed tokens back to disk.
package gmail
