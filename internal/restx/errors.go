package restx

import "errors"

var (
	// ErrFailedPost is returned when a post fails and is unlikely to succeed if retried.
	ErrFailedPost = errors.New("failed post")
	// ErrAbortedPost is returned when the worker decides not to post a record.
	ErrAbortedPost = errors.New("aborted post")
	// ErrBadLogin is returned when the server rejects the station credentials.
	ErrBadLogin = errors.New("bad login")
	// ErrConnect is returned when no connection to the server could be made.
	ErrConnect = errors.New("unable to connect")
	// ErrSend is returned when the server failed while handling the request.
	ErrSend = errors.New("unable to send")
	// ErrQueueClosed is returned by Queue.Get once the queue is closed and empty.
	ErrQueueClosed = errors.New("queue closed")
)
