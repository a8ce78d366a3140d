// Package controller is the device-side collaborator of viewer sessions.
//
// It consumes session events (authentication, stream requests, remote commands,
// talkback audio, resume requests, disconnects), drives the encoder Source, allocates
// epochs, and fans frames from the Frame Bus and downlink audio out to every
// streaming session. Sessions are only reached through their published methods.
package controller
