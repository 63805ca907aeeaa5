package response

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/stemsi/exstem-proctor/internal/apperr"
)

// ErrCode is a typed error code enum for consistent API error identification.
type ErrCode string

const (
	// ─── Authentication ────────────────────────────────────────────────
	ErrTokenRequired ErrCode = "TOKEN_REQUIRED"
	ErrTokenInvalid  ErrCode = "TOKEN_INVALID"
	ErrTokenRevoked  ErrCode = "TOKEN_REVOKED"

	// ─── Authorization ─────────────────────────────────────────────────
	ErrPermissionDenied  ErrCode = "PERMISSION_DENIED"
	ErrStudentAccessOnly ErrCode = "STUDENT_ACCESS_ONLY"
	ErrAdminAccessOnly   ErrCode = "ADMIN_ACCESS_ONLY"

	// ─── Validation ────────────────────────────────────────────────────
	ErrValidation   ErrCode = "VALIDATION_ERROR"
	ErrInvalidID    ErrCode = "INVALID_ID"
	ErrInvalidInput ErrCode = "INVALID_INPUT"

	// ─── Resources ─────────────────────────────────────────────────────
	ErrNotFound     ErrCode = "NOT_FOUND"
	ErrConflict     ErrCode = "CONFLICT"
	ErrInvalidState ErrCode = "INVALID_STATE"

	// ─── Exam-specific ─────────────────────────────────────────────────
	ErrNoEnrollment ErrCode = "NO_ENROLLMENT"
	ErrNoSession    ErrCode = "NO_SESSION"

	// ─── Rate Limiting ─────────────────────────────────────────────────
	ErrRateLimitExceeded ErrCode = "RATE_LIMIT_EXCEEDED"

	// ─── Server ────────────────────────────────────────────────────────
	ErrUnavailable ErrCode = "TEMPORARILY_UNAVAILABLE"
	ErrInternal    ErrCode = "INTERNAL_ERROR"
)

// GetMessage returns a human-readable message for a given error code.
func GetMessage(code ErrCode) string {
	switch code {
	// ─── Authentication ────────────────────────────────────────────────
	case ErrTokenRequired:
		return "Token autentikasi diperlukan."
	case ErrTokenInvalid:
		return "Token autentikasi tidak valid."
	case ErrTokenRevoked:
		return "Sesi Anda telah dicabut. Silakan login kembali."

	// ─── Authorization ─────────────────────────────────────────────────
	case ErrPermissionDenied:
		return "Izin ditolak."
	case ErrStudentAccessOnly:
		return "Sumber daya ini terbatas untuk siswa."
	case ErrAdminAccessOnly:
		return "Sumber daya ini terbatas untuk administrator."

	// ─── Validation ────────────────────────────────────────────────────
	case ErrValidation:
		return "Validasi gagal. Silakan periksa masukan Anda."
	case ErrInvalidID:
		return "Format ID tidak valid."
	case ErrInvalidInput:
		return "Masukan tidak valid."

	// ─── Resources ─────────────────────────────────────────────────────
	case ErrNotFound:
		return "Sumber daya tidak ditemukan."
	case ErrConflict:
		return "Sumber daya sudah ada."
	case ErrInvalidState:
		return "Tindakan ini tidak dapat dilakukan pada status saat ini."

	// ─── Exam-specific ─────────────────────────────────────────────────
	case ErrNoEnrollment:
		return "Anda tidak terdaftar pada sesi ujian mana pun."
	case ErrNoSession:
		return "Tidak ada sesi ujian yang tersedia."

	// ─── Rate Limiting ─────────────────────────────────────────────────
	case ErrRateLimitExceeded:
		return "Terlalu banyak permintaan. Silakan coba lagi nanti."

	// ─── Server ────────────────────────────────────────────────────────
	case ErrUnavailable:
		return "Layanan sedang sibuk. Silakan coba lagi."
	case ErrInternal:
		return "Terjadi kesalahan server internal."
	default:
		return "Terjadi kesalahan yang tidak terduga."
	}
}

// StatusOf maps an error kind to its HTTP status and code.
func StatusOf(err error) (int, ErrCode) {
	switch apperr.KindOf(err) {
	case apperr.KindNotFound:
		return http.StatusNotFound, ErrNotFound
	case apperr.KindInvalidState:
		return http.StatusConflict, ErrInvalidState
	case apperr.KindInvalidInput:
		return http.StatusBadRequest, ErrInvalidInput
	case apperr.KindUnauthorized:
		return http.StatusUnauthorized, ErrTokenInvalid
	case apperr.KindTransient:
		return http.StatusServiceUnavailable, ErrUnavailable
	case apperr.KindConflict:
		return http.StatusConflict, ErrConflict
	default:
		return http.StatusInternalServerError, ErrInternal
	}
}

// FromError sends the error response matching err's kind. Classified errors
// carry their message as the "reason" field; internal errors are never echoed.
func FromError(c *gin.Context, err error) {
	status, code := StatusOf(err)
	if code == ErrInternal {
		Fail(c, status, code)
		return
	}
	var ae *apperr.Error
	if errors.As(err, &ae) && ae.Msg != "" {
		FailWithFields(c, status, code, map[string]string{"reason": ae.Msg})
		return
	}
	Fail(c, status, code)
}
