// Package identity holds the client's identity primitives: user id normalization,
// the chat room id codec, correlation ids, and typed operation errors.
//
// Room ids encode both participants. ParseRoom is the only place that decodes them;
// callers never split room ids themselves.
package identity
