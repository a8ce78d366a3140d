// Package media defines the data objects moved by the session layer: encoded video
// frames, downlink audio frames, codec configuration and stream profiles.
package media
