// Package aoc talks to adventofcode.com: private leaderboard JSON and puzzle pages.
//
// Client performs exactly one outbound request per call and classifies failures
// as ErrNotFound, ErrUnauthorized or ErrTransient. Service puts the TTL cache in
// front of it so that every caller (scheduler and commands) shares one fetch per key.
package aoc
