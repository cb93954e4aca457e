package transcript

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"gatehouse/bot/internal/platform"
	"gatehouse/bot/internal/session"
)

type objectSink interface {
	Put(ctx context.Context, key, contentType string, data []byte) (string, error)
}

// Archiver pages through a channel's history and archives it. Platform
// reads go through the Caller so capture respects the shared rate budget.
type Archiver struct {
	client      platform.Client
	caller      *platform.Caller
	sink        objectSink
	format      Format
	pageSize    int
	maxMessages int
}

func NewArchiver(client platform.Client, caller *platform.Caller, sink objectSink, format Format, pageSize, maxMessages int) *Archiver {
	if pageSize <= 0 {
		pageSize = 100
	}
	if maxMessages <= 0 {
		maxMessages = 10000
	}
	if format != FormatPDF {
		format = FormatHTML
	}
	return &Archiver{client: client, caller: caller, sink: sink, format: format, pageSize: pageSize, maxMessages: maxMessages}
}

// Capture reads the session channel's full history oldest-first, renders
// it and uploads the archive. A read failure partway through does not
// lose what was already captured: the result is archived with Incomplete
// set.
func (a *Archiver) Capture(ctx context.Context, sess *session.Session, channelName, ownerName string) (*Result, error) {
	entries, incomplete := a.collect(ctx, sess.ChannelID)

	data := TemplateData{
		ChannelName: channelName,
		Scope:       sess.Scope,
		OwnerName:   ownerName,
		CapturedAt:  time.Now().UTC(),
		Incomplete:  incomplete,
		Entries:     entries,
	}
	html, err := renderHTML(data)
	if err != nil {
		return nil, fmt.Errorf("render transcript: %w", err)
	}

	payload := []byte(html)
	contentType := "text/html; charset=utf-8"
	ext := "html"
	if a.format == FormatPDF {
		pdf, err := renderPDF(html)
		if err != nil {
			// Keep the HTML archive rather than losing the transcript.
			log.Printf("transcript: pdf render failed, falling back to html: %v", err)
		} else {
			payload, contentType, ext = pdf, "application/pdf", "pdf"
		}
	}

	key := fmt.Sprintf("transcripts/%s/%s.%s", sess.ServerID, sess.ID, ext)
	if _, err := a.sink.Put(ctx, key, contentType, payload); err != nil {
		return nil, fmt.Errorf("archive transcript: %w", err)
	}

	return &Result{
		ObjectKey:    key,
		MessageCount: len(entries),
		Incomplete:   incomplete,
		Body:         plainBody(entries),
	}, nil
}

// collect pages newest-first and reverses at the end. Any error stops
// paging and marks the capture incomplete, as does hitting maxMessages;
// the cap keeps the newest messages and bounds memory on huge channels.
func (a *Archiver) collect(ctx context.Context, channelID string) ([]Entry, bool) {
	var newestFirst []platform.Message
	beforeID := ""
	incomplete := false

	for {
		var page []platform.Message
		err := a.caller.Do(ctx, func() error {
			var err error
			page, err = a.client.Messages(ctx, channelID, beforeID, a.pageSize)
			return err
		})
		if err != nil {
			log.Printf("transcript: history read stopped after %d messages: %v", len(newestFirst), err)
			incomplete = true
			break
		}
		if len(page) == 0 {
			break
		}
		newestFirst = append(newestFirst, page...)
		beforeID = page[len(page)-1].ID
		if len(newestFirst) >= a.maxMessages {
			log.Printf("transcript: history for %s truncated at %d messages", channelID, a.maxMessages)
			newestFirst = newestFirst[:a.maxMessages]
			incomplete = true
			break
		}
		if len(page) < a.pageSize {
			break
		}
	}

	entries := make([]Entry, 0, len(newestFirst))
	for i := len(newestFirst) - 1; i >= 0; i-- {
		msg := newestFirst[i]
		entry := Entry{
			AuthorID:   msg.AuthorID,
			AuthorName: msg.AuthorName,
			SentAt:     msg.Timestamp,
			Body:       msg.Body,
		}
		for _, att := range msg.Attachments {
			entry.Attachments = append(entry.Attachments, att.Filename)
		}
		entries = append(entries, entry)
	}
	return entries, incomplete
}

// plainBody flattens entries to searchable text for the metadata row.
func plainBody(entries []Entry) string {
	var b strings.Builder
	for _, e := range entries {
		b.WriteString(e.AuthorName)
		b.WriteString(": ")
		b.WriteString(e.Body)
		b.WriteString("\n")
	}
	return b.String()
}
