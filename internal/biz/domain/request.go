package domain

// HandleResult is returned by generic handlers
type HandleResult int

const (
	// PassThrough lets the next generic handler see the message
	PassThrough HandleResult = iota
	// Consumed stops the generic handler chain
	Consumed
)

// Request is everything a handler knows about an inbound chat message
type Request struct {
	Server Server
	User   User

	// Source is the nickname the message came from
	Source string
	// Destination is where replies go: the channel, or the direct chat
	Destination string
	// Direct is true for private messages
	Direct    bool
	Addressed bool
	MessageID string

	// Text is the message exactly as received
	Text string
	// SanitizedText has addressing and one trailing terminator removed, lowercased
	SanitizedText string

	// Phrase holds the matched command words; nil for generic handlers
	Phrase []string
	// Arguments are the words after the matched phrase, lowercased
	Arguments []string
	// RawArguments are Arguments with their original case
	RawArguments []string
}

// DestinationKey returns the key of the request's own destination
func (r *Request) DestinationKey() DestinationKey {
	return NewDestination(r.Server.Identifier(), r.Destination).Key()
}

// Origin returns the provenance origin of changes made for this request
func (r *Request) Origin() Origin {
	return Origin{User: r.User.Identifier(), Target: r.Destination}
}
