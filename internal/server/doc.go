// Package server is the WebSocket transport for the chat room.
//
// A Server owns one chat.Room and a Hub of live connections. Each
// connection gets a Client whose read pump turns JSON frames into room
// operations and whose write pump drains the frames the Hub queues for it.
// The room decides who receives what; the hub only delivers.
//
// Configuration, origin checks, per-connection rate limiting and the HTTP
// server helpers live in their own files.
package server
