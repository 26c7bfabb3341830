package comments

import (
	"sort"

	"github.com/samber/lo"

	"pulse/models"
)

// Node is one rendered comment with its nested replies.
type Node struct {
	Comment models.Comment `json:"comment"`
	Replies []*Node        `json:"replies"`
}

// BuildTree turns the flat comment rows of a post into a tree. Root comments
// are ordered newest first. Soft deleted comments are dropped from the
// rendered tree but their ids stay valid parents, so a reply to a deleted
// comment is re-rooted and still rendered.
func BuildTree(rows []models.Comment) []*Node {
	visible := lo.Filter(rows, func(c models.Comment, _ int) bool {
		return !c.Deleted()
	})

	byID := lo.KeyBy(visible, func(c models.Comment) int64 {
		return c.ID
	})

	nodes := make(map[int64]*Node, len(visible))
	for _, c := range visible {
		nodes[c.ID] = &Node{Comment: c}
	}

	var roots []*Node
	for _, c := range visible {
		node := nodes[c.ID]
		// A reply whose parent was deleted (or never existed) renders at
		// the root level, conceptually attached to the removed parent.
		if c.ParentID != nil {
			if _, parentVisible := byID[*c.ParentID]; parentVisible {
				parent := nodes[*c.ParentID]
				parent.Replies = append(parent.Replies, node)
				continue
			}
		}
		roots = append(roots, node)
	}

	sort.Slice(roots, func(i, j int) bool {
		if roots[i].Comment.CreatedAt.Equal(roots[j].Comment.CreatedAt) {
			return roots[i].Comment.ID > roots[j].Comment.ID
		}
		return roots[i].Comment.CreatedAt.After(roots[j].Comment.CreatedAt)
	})

	return roots
}

// CanDelete evaluates the deletion permission matrix for an actor against a
// target comment on a post:
//
//   - the comment author may delete unless their own-comments flag was
//     explicitly revoked (default allow)
//   - the post author may delete someone else's comment only when their
//     others-comments flag was explicitly granted (default deny)
//   - everyone else is denied
func CanDelete(actor *models.User, comment *models.Comment, post *models.Post) bool {
	if actor == nil || comment == nil || post == nil {
		return false
	}

	if actor.ID == comment.UserID {
		return actor.CanDeleteOwnComments
	}

	if actor.ID == post.AuthorID && comment.PostID == post.ID {
		return actor.CanDeleteOthersComments
	}

	return false
}

// ExtractMentions pulls @handle tokens out of comment content for mention
// fan-out. Handles are word characters only; punctuation ends a mention.
func ExtractMentions(content string) []string {
	var mentions []string
	var current []rune
	inMention := false

	flush := func() {
		if len(current) > 0 {
			mentions = append(mentions, string(current))
		}
		current = current[:0]
		inMention = false
	}

	for _, r := range content {
		switch {
		case r == '@':
			flush()
			inMention = true
		case inMention && (r == '_' || r == '-' || isAlnum(r)):
			current = append(current, r)
		default:
			flush()
		}
	}
	flush()

	return lo.Uniq(mentions)
}

func isAlnum(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')
}
