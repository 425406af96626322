package webhook

import (
	"errors"

	"pr-hostdata-cache/internal/domain"

	"github.com/tidwall/gjson"
)

// ErrInvalidPayload is returned when a payload does not identify a pull request.
var ErrInvalidPayload = errors.New("payload does not identify a pull request")

// Event is a parsed webhook delivery.
type Event struct {
	Key string
	Ref domain.PullRequestRef
}

// PayloadParser extracts pull request refs from Bitbucket webhook payloads by probing known
// payload shapes with gjson.
type PayloadParser struct {
	host string
}

// NewPayloadParser creates a parser whose refs point at host.
func NewPayloadParser(host string) *PayloadParser {
	return &PayloadParser{host: host}
}

// Define candidate paths for each field, prioritized from left to right.
var (
	pathsEventKey = []string{
		"eventKey",
		"event",
	}

	pathsProjectKey = []string{
		"pullRequest.toRef.repository.project.key",   // Bitbucket Server (New)
		"repository.project.key",                     // Bitbucket Cloud / Old Server
		"pullRequest.fromRef.repository.project.key", // Fallback
		"project.key", // Flattened
	}

	pathsRepoSlug = []string{
		"pullRequest.toRef.repository.slug",
		"repository.slug",
		"repository.name",
		"pullRequest.fromRef.repository.slug",
	}

	pathsID = []string{
		"pullRequest.id",
		"pullrequest.id",
		"id",
	}
)

// Parse extracts the event key and pull request ref from body.
func (p *PayloadParser) Parse(body []byte) (Event, error) {
	if !gjson.ValidBytes(body) {
		return Event{}, ErrInvalidPayload
	}

	ev := Event{
		Key: probe(body, pathsEventKey).String(),
		Ref: domain.PullRequestRef{
			Host:      p.host,
			Workspace: probe(body, pathsProjectKey).String(),
			Repo:      probe(body, pathsRepoSlug).String(),
			PRID:      probe(body, pathsID).String(),
		},
	}
	if !ev.Ref.IsValid() {
		return ev, ErrInvalidPayload
	}
	return ev, nil
}

func probe(body []byte, paths []string) gjson.Result {
	for _, path := range paths {
		res := gjson.GetBytes(body, path)
		if res.Exists() && res.Value() != nil {
			return res
		}
	}
	return gjson.Result{}
}
