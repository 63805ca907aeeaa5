package timing

import (
	"encoding/binary"
	"hash/fnv"
	"math/rand/v2"
	"slices"
	"strings"

	"github.com/google/uuid"
	"github.com/stemsi/exstem-proctor/internal/apperr"
	"github.com/stemsi/exstem-proctor/internal/model"
)

// MaxOptions is the number of position letters, a through z.
const MaxOptions = 26

// Permute builds the candidate-fixed question and option orders.
// The result depends only on the enrollment ID and the question set, so
// regenerating it for the same inputs always yields the same orders.
func Permute(enrollmentID uuid.UUID, questions []model.Question) (model.QuestionOrder, model.AnswerOrder) {
	base := slices.Clone(questions)
	slices.SortFunc(base, func(a, b model.Question) int {
		if a.OrderNum != b.OrderNum {
			return a.OrderNum - b.OrderNum
		}
		return strings.Compare(a.ID.String(), b.ID.String())
	})

	qo := make(model.QuestionOrder, len(base))
	for i, q := range base {
		qo[i] = q.ID
	}
	shuffle(newRand(enrollmentID, uuid.Nil), qo)

	ao := make(model.AnswerOrder, len(base))
	for _, q := range base {
		opts := slices.Clone(q.Options)
		slices.SortFunc(opts, func(a, b model.AnswerOption) int {
			if a.OrderNum != b.OrderNum {
				return a.OrderNum - b.OrderNum
			}
			return strings.Compare(a.ID.String(), b.ID.String())
		})
		ids := make([]uuid.UUID, len(opts))
		for i, o := range opts {
			ids[i] = o.ID
		}
		shuffle(newRand(enrollmentID, q.ID), ids)
		ao[q.ID] = ids
	}
	return qo, ao
}

func newRand(enrollmentID, questionID uuid.UUID) *rand.Rand {
	h := fnv.New128a()
	h.Write(enrollmentID[:])
	h.Write(questionID[:])
	sum := h.Sum(nil)
	return rand.New(rand.NewPCG(binary.BigEndian.Uint64(sum[:8]), binary.BigEndian.Uint64(sum[8:])))
}

func shuffle(r *rand.Rand, ids []uuid.UUID) {
	r.Shuffle(len(ids), func(i, j int) { ids[i], ids[j] = ids[j], ids[i] })
}

// Letter returns the position letter for a 0-based option index.
func Letter(i int) string {
	if i < 0 || i >= MaxOptions {
		return ""
	}
	return string(rune('a' + i))
}

// LetterIndex parses a position letter into a 0-based index below n.
func LetterIndex(letter string, n int) (int, error) {
	l := strings.ToLower(strings.TrimSpace(letter))
	if len(l) != 1 || l[0] < 'a' || l[0] > 'z' {
		return 0, apperr.InvalidInput("timing.letter", "malformed option letter %q", letter)
	}
	idx := int(l[0] - 'a')
	if idx >= n {
		return 0, apperr.InvalidInput("timing.letter", "option %q out of range", letter)
	}
	return idx, nil
}
