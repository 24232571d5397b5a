// Package netio provides the multicast UDP socket used for LAN presence
// announcements and discovery replies.
package netio
