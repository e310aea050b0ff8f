// Package notify delivers the buyer notification carrying the public link and QR code.
package notify

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrArtifactMissing is returned when the referenced QR image cannot be read.
// Nothing is sent in that case.
var ErrArtifactMissing = errors.New("artifact missing")

// ErrInvalidAddress is returned when a sender or destination address cannot
// be placed in a message header. Nothing is sent in that case.
var ErrInvalidAddress = errors.New("invalid address")

// Artifacts is the read side of the artifact bucket.
type Artifacts interface {
	Get(ctx context.Context, key string) ([]byte, error)
}

// Sender delivers a raw MIME message and returns the provider message id.
type Sender interface {
	SendRaw(ctx context.Context, to string, raw []byte) (string, error)
}

// Request is one notification to deliver.
type Request struct {
	To            string
	RecipientName string
	SenderName    string
	PublicURL     string
	ArtifactRef   string
	Collection    bool
}

// Result reports the outcome of a Send.
type Result struct {
	Skipped   bool
	MessageID string
}

// Dispatcher renders and sends notifications, one attempt per call.
type Dispatcher struct {
	artifacts Artifacts
	sender    Sender
	from      string
	timeout   time.Duration
	isMissing func(error) bool
}

// NewDispatcher wires a Dispatcher. isMissing classifies artifact read errors
// that mean "no such object"; nil treats every read error as missing.
func NewDispatcher(artifacts Artifacts, sender Sender, from string, timeout time.Duration, isMissing func(error) bool) *Dispatcher {
	return &Dispatcher{
		artifacts: artifacts,
		sender:    sender,
		from:      from,
		timeout:   timeout,
		isMissing: isMissing,
	}
}

// Send delivers req once. An empty destination is a no-op with Skipped set.
func (d *Dispatcher) Send(ctx context.Context, req Request) (Result, error) {
	if req.To == "" {
		return Result{Skipped: true}, nil
	}

	qr, err := d.fetchArtifact(ctx, req.ArtifactRef)
	if err != nil {
		return Result{}, err
	}

	raw, err := d.render(req, qr)
	if err != nil {
		return Result{}, err
	}

	sendCtx, cancel := d.withTimeout(ctx)
	defer cancel()
	id, err := d.sender.SendRaw(sendCtx, req.To, raw)
	if err != nil {
		return Result{}, fmt.Errorf("send notification: %w", err)
	}
	return Result{MessageID: id}, nil
}

func (d *Dispatcher) fetchArtifact(ctx context.Context, ref string) ([]byte, error) {
	if ref == "" {
		return nil, fmt.Errorf("%w: empty reference", ErrArtifactMissing)
	}
	getCtx, cancel := d.withTimeout(ctx)
	defer cancel()

	data, err := d.artifacts.Get(getCtx, ref)
	if err != nil {
		if d.isMissing == nil || d.isMissing(err) {
			return nil, fmt.Errorf("%w: %s: %v", ErrArtifactMissing, ref, err)
		}
		return nil, fmt.Errorf("read artifact %s: %w", ref, err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: %s is empty", ErrArtifactMissing, ref)
	}
	return data, nil
}

func (d *Dispatcher) render(req Request, qr []byte) ([]byte, error) {
	data := templateData{
		RecipientName: req.RecipientName,
		SenderName:    req.SenderName,
		PublicURL:     req.PublicURL,
		Collection:    req.Collection,
	}

	var subject, text, html bytes.Buffer
	if err := subjectTemplate.Execute(&subject, data); err != nil {
		return nil, fmt.Errorf("render subject: %w", err)
	}
	if err := textTemplate.Execute(&text, data); err != nil {
		return nil, fmt.Errorf("render text body: %w", err)
	}
	if err := htmlTemplate.Execute(&html, data); err != nil {
		return nil, fmt.Errorf("render html body: %w", err)
	}

	return message{
		From:    d.from,
		To:      req.To,
		Subject: subject.String(),
		Text:    text.String(),
		HTML:    html.String(),
		QR:      qr,
		QRName:  "qr-code.png",
	}.build()
}

func (d *Dispatcher) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if d.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d.timeout)
}
