// Package tablefunc implements the argument surface of the s3 table
// function:
//
//	s3(url, [access_key, secret_key,] format, structure)
//
// Format and structure describe the row codec of the surrounding query layer;
// this package carries them opaquely and treats the payload as a byte stream
// in both directions.
package tablefunc

import (
	"context"
	"fmt"
	"io"

	"github.com/tablestream/s3pipe/internal/download"
	"github.com/tablestream/s3pipe/internal/engine"
	"github.com/tablestream/s3pipe/internal/signer"
)

// ArgumentError reports an argument vector that does not match the table
// function's signature.
type ArgumentError struct {
	Reason string
}

func (e *ArgumentError) Error() string {
	return fmt.Sprintf("invalid s3 table function arguments: %s", e.Reason)
}

// Request is the parsed argument vector of one table function invocation.
type Request struct {
	RawURL      string
	Credentials signer.Credentials
	Format      string
	Structure   string
}

// ParseArgs parses the positional arguments. Three arguments mean
// (url, format, structure); five mean (url, access_key, secret_key, format,
// structure).
func ParseArgs(args []string) (*Request, error) {
	switch len(args) {
	case 3:
		return newRequest(args[0], signer.Credentials{}, args[1], args[2])
	case 5:
		creds := signer.Credentials{AccessKey: args[1], SecretKey: args[2]}
		if creds.AccessKey == "" || creds.SecretKey == "" {
			return nil, &ArgumentError{Reason: "access key and secret key must both be non-empty"}
		}
		return newRequest(args[0], creds, args[3], args[4])
	default:
		return nil, &ArgumentError{Reason: fmt.Sprintf("expected 3 or 5 arguments, got %d", len(args))}
	}
}

func newRequest(rawURL string, creds signer.Credentials, format, structure string) (*Request, error) {
	if rawURL == "" {
		return nil, &ArgumentError{Reason: "url must not be empty"}
	}
	if format == "" {
		return nil, &ArgumentError{Reason: "format must not be empty"}
	}
	if structure == "" {
		return nil, &ArgumentError{Reason: "structure must not be empty"}
	}
	return &Request{
		RawURL:      rawURL,
		Credentials: creds,
		Format:      format,
		Structure:   structure,
	}, nil
}

// TableFunction executes parsed invocations against the engine.
type TableFunction struct {
	engine *engine.Engine
}

// New creates a TableFunction bound to an engine.
func New(e *engine.Engine) *TableFunction {
	return &TableFunction{engine: e}
}

// Insert streams serialized rows into the target object, as in
// "insert into table function s3(...)".
func (t *TableFunction) Insert(ctx context.Context, req *Request, rows io.Reader) error {
	return t.engine.Write(ctx, req.RawURL, req.Credentials, rows)
}

// Select opens the target object as a row byte stream, as in
// "select ... from s3(...)".
func (t *TableFunction) Select(ctx context.Context, req *Request) (*download.Reader, error) {
	return t.engine.Read(ctx, req.RawURL, req.Credentials)
}
