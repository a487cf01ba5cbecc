package signaling

import (
	"strings"

	"github.com/isqad/livelook-classroom/internal/core"
)

const (
	separator = "/"

	offersRoot     = "offers"
	answersRoot    = "answers"
	candidatesRoot = "candidates"
	chatRoot       = "chat"
	reactionsRoot  = "reactions"

	hostDirection   = "host"
	viewerDirection = "viewer"
)

func Join(parts ...string) string {
	return strings.Join(parts, separator)
}

// Split returns parent and leaf of the path. Parent is empty for root nodes.
func Split(path string) (string, string) {
	i := strings.LastIndex(path, separator)
	if i < 0 {
		return "", path
	}
	return path[:i], path[i+1:]
}

func validatePath(path string) error {
	if path == "" {
		return errEmptyPath
	}
	for _, segment := range strings.Split(path, separator) {
		if segment == "" {
			return errInvalidPath
		}
	}
	return nil
}

// OfferPath is offers/{sessionId}
func OfferPath(sessionID core.SessionID) string {
	return Join(offersRoot, string(sessionID))
}

// AnswersPath is answers/{sessionId}, each viewer answer is a child of it
func AnswersPath(sessionID core.SessionID) string {
	return Join(answersRoot, string(sessionID))
}

func AnswerPath(sessionID core.SessionID, viewerID core.ViewerID) string {
	return Join(AnswersPath(sessionID), string(viewerID))
}

func HostCandidatesRoot(sessionID core.SessionID) string {
	return Join(candidatesRoot, string(sessionID), hostDirection)
}

func ViewerCandidatesRoot(sessionID core.SessionID) string {
	return Join(candidatesRoot, string(sessionID), viewerDirection)
}

// HostCandidatesPath holds host->viewer candidates for one viewer
func HostCandidatesPath(sessionID core.SessionID, viewerID core.ViewerID) string {
	return Join(HostCandidatesRoot(sessionID), string(viewerID))
}

// ViewerCandidatesPath holds viewer->host candidates for one viewer
func ViewerCandidatesPath(sessionID core.SessionID, viewerID core.ViewerID) string {
	return Join(ViewerCandidatesRoot(sessionID), string(viewerID))
}

func ChatPath(sessionID core.SessionID) string {
	return Join(chatRoot, string(sessionID))
}

func ReactionsPath(sessionID core.SessionID) string {
	return Join(reactionsRoot, string(sessionID))
}

// SessionPaths lists every subtree purged when a broadcast stops
func SessionPaths(sessionID core.SessionID) []string {
	return []string{
		OfferPath(sessionID),
		AnswersPath(sessionID),
		HostCandidatesRoot(sessionID),
		ViewerCandidatesRoot(sessionID),
		ChatPath(sessionID),
		ReactionsPath(sessionID),
	}
}

// ViewerPaths lists the subtrees owned by a single viewer
func ViewerPaths(sessionID core.SessionID, viewerID core.ViewerID) []string {
	return []string{
		AnswerPath(sessionID, viewerID),
		HostCandidatesPath(sessionID, viewerID),
		ViewerCandidatesPath(sessionID, viewerID),
	}
}
