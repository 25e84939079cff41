// Package session manages ephemeral chat sessions between two matched users.
// It handles session creation, the user-to-session index used for
// reconnection, activity tracking, the per-session message log, and teardown,
// all backed by Redis with a bounded retention window.
package session
