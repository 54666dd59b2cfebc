// Package media names the two kinds of output the service produces.
package media

// Kind is the requested output: a video container or an audio track.
type Kind int

const (
	Video Kind = iota
	Audio
)

func (k Kind) String() string {
	if k == Audio {
		return "audio"
	}
	return "video"
}

// Ext is the file extension (and the fallback downloader's format flag).
func (k Kind) Ext() string {
	if k == Audio {
		return "mp3"
	}
	return "mp4"
}

// ContentType is the MIME type sent to clients.
func (k Kind) ContentType() string {
	if k == Audio {
		return "audio/mpeg"
	}
	return "video/mp4"
}

// Filename is the attachment name offered to clients.
func (k Kind) Filename() string {
	return k.String() + "." + k.Ext()
}
