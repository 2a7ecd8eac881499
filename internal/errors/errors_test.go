package errors

import (
	"errors"
	"net/http"
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

func TestErrors(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Errors Suite")
}

var _ = Describe("AppError", func() {
	Context("basic error creation", func() {
		It("should create error with correct properties", func() {
			err := New(ErrorTypeValidation, "test message")

			Expect(err.Type).To(Equal(ErrorTypeValidation))
			Expect(err.Message).To(Equal("test message"))
			Expect(err.StatusCode).To(Equal(http.StatusBadRequest))
			Expect(err.Details).To(BeEmpty())
			Expect(err.Cause).To(BeNil())
		})

		It("should implement error interface correctly", func() {
			err := New(ErrorTypeValidation, "test message")

			Expect(err.Error()).To(Equal("validation: test message"))
		})

		It("should include details in error string when present", func() {
			err := New(ErrorTypeValidation, "test message").WithDetails("extra info")

			Expect(err.Error()).To(Equal("validation: test message (extra info)"))
		})
	})

	Context("error wrapping", func() {
		It("should wrap underlying error", func() {
			originalErr := errors.New("connection reset")
			wrappedErr := Wrap(originalErr, ErrorTypeDatabase, "operation failed")

			Expect(wrappedErr.Type).To(Equal(ErrorTypeDatabase))
			Expect(wrappedErr.Message).To(Equal("operation failed"))
			Expect(wrappedErr.Cause).To(Equal(originalErr))
			Expect(wrappedErr.Unwrap()).To(Equal(originalErr))
		})

		It("should format wrapped error with arguments", func() {
			originalErr := errors.New("connection refused")
			wrappedErr := Wrapf(originalErr, ErrorTypeNetwork, "failed to connect to %s:%d", "localhost", 5432)

			Expect(wrappedErr.Message).To(Equal("failed to connect to localhost:5432"))
			Expect(wrappedErr.Cause).To(Equal(originalErr))
		})
	})

	Context("adding details", func() {
		It("should add details to existing error", func() {
			err := New(ErrorTypeAuth, "authentication failed")
			detailedErr := err.WithDetails("invalid token")

			Expect(detailedErr.Details).To(Equal("invalid token"))
			Expect(detailedErr).To(BeIdenticalTo(err))
		})

		It("should add formatted details", func() {
			err := New(ErrorTypeAuth, "authentication failed")
			detailedErr := err.WithDetailsf("worker %s, attempt %d", "worker-1", 3)

			Expect(detailedErr.Details).To(Equal("worker worker-1, attempt 3"))
		})
	})

	Describe("HTTP status code mapping", func() {
		It("should map error types to correct HTTP status codes", func() {
			testCases := []struct {
				errorType  ErrorType
				statusCode int
			}{
				{ErrorTypeValidation, http.StatusBadRequest},
				{ErrorTypeAuth, http.StatusUnauthorized},
				{ErrorTypeNotFound, http.StatusNotFound},
				{ErrorTypeConflict, http.StatusConflict},
				{ErrorTypeTimeout, http.StatusRequestTimeout},
				{ErrorTypeRateLimit, http.StatusTooManyRequests},
				{ErrorTypeDatabase, http.StatusInternalServerError},
				{ErrorTypeNetwork, http.StatusInternalServerError},
				{ErrorTypeInternal, http.StatusInternalServerError},
			}

			for _, tc := range testCases {
				err := New(tc.errorType, "test message")
				Expect(err.StatusCode).To(Equal(tc.statusCode))
			}
		})
	})

	Describe("predefined constructors", func() {
		It("should create a validation error", func() {
			err := NewValidationError("typeName is not a registered entry type")

			Expect(err.Type).To(Equal(ErrorTypeValidation))
			Expect(err.Message).To(Equal("typeName is not a registered entry type"))
		})

		It("should create a database error", func() {
			originalErr := errors.New("connection lost")
			err := NewDatabaseError("acquire_job", originalErr)

			Expect(err.Type).To(Equal(ErrorTypeDatabase))
			Expect(err.Message).To(ContainSubstring("database operation failed: acquire_job"))
			Expect(err.Cause).To(Equal(originalErr))
		})

		It("should create a not found error", func() {
			err := NewNotFoundError("job chain")

			Expect(err.Type).To(Equal(ErrorTypeNotFound))
			Expect(err.Message).To(Equal("job chain not found"))
		})

		It("should create an auth error", func() {
			err := NewAuthError("invalid API token")

			Expect(err.Type).To(Equal(ErrorTypeAuth))
			Expect(err.Message).To(Equal("invalid API token"))
		})

		It("should create a timeout error", func() {
			err := NewTimeoutError("wait for job chain completion")

			Expect(err.Type).To(Equal(ErrorTypeTimeout))
			Expect(err.Message).To(Equal("operation timed out: wait for job chain completion"))
		})
	})

	Describe("error type checking", func() {
		It("should correctly identify error types", func() {
			validationErr := NewValidationError("test")
			authErr := NewAuthError("test")

			Expect(IsType(validationErr, ErrorTypeValidation)).To(BeTrue())
			Expect(IsType(validationErr, ErrorTypeAuth)).To(BeFalse())
			Expect(IsType(authErr, ErrorTypeAuth)).To(BeTrue())
		})

		It("should handle non-AppError types", func() {
			regularErr := errors.New("regular error")

			Expect(IsType(regularErr, ErrorTypeValidation)).To(BeFalse())
			Expect(GetType(regularErr)).To(Equal(ErrorTypeInternal))
		})

		It("should get correct status codes", func() {
			validationErr := NewValidationError("test")
			regularErr := errors.New("regular error")

			Expect(GetStatusCode(validationErr)).To(Equal(http.StatusBadRequest))
			Expect(GetStatusCode(regularErr)).To(Equal(http.StatusInternalServerError))
		})
	})

	Describe("safe error messages", func() {
		It("should return safe messages for different error types", func() {
			testCases := []struct {
				errorType    ErrorType
				expectedSafe string
			}{
				{ErrorTypeNotFound, ErrorMessages.ResourceNotFound},
				{ErrorTypeAuth, ErrorMessages.AuthenticationFailed},
				{ErrorTypeTimeout, ErrorMessages.OperationTimeout},
				{ErrorTypeRateLimit, ErrorMessages.RateLimitExceeded},
				{ErrorTypeConflict, ErrorMessages.ConcurrentModification},
				{ErrorTypeDatabase, "An internal error occurred"},
			}

			for _, tc := range testCases {
				err := New(tc.errorType, "internal details")
				Expect(SafeErrorMessage(err)).To(Equal(tc.expectedSafe))
			}

			validationErr := NewValidationError("specific validation message")
			Expect(SafeErrorMessage(validationErr)).To(Equal("specific validation message"))
		})

		It("should return a generic message for regular errors", func() {
			regularErr := errors.New("internal panic")
			Expect(SafeErrorMessage(regularErr)).To(Equal("An unexpected error occurred"))
		})
	})

	Describe("logging fields", func() {
		It("should generate structured logging fields", func() {
			originalErr := errors.New("connection failed")
			appErr := Wrapf(originalErr, ErrorTypeDatabase, "query failed").
				WithDetails("table: jobs")

			fields := LogFields(appErr)

			Expect(fields).To(HaveKey("error"))
			Expect(fields).To(HaveKey("error_type"))
			Expect(fields).To(HaveKey("status_code"))
			Expect(fields).To(HaveKey("error_details"))
			Expect(fields).To(HaveKey("underlying_error"))

			Expect(fields["error_type"]).To(Equal("database"))
			Expect(fields["status_code"]).To(Equal(http.StatusInternalServerError))
			Expect(fields["error_details"]).To(Equal("table: jobs"))
			Expect(fields["underlying_error"]).To(Equal("connection failed"))
		})

		It("should handle a simple AppError without details", func() {
			err := NewValidationError("invalid input")
			fields := LogFields(err)

			Expect(fields).To(HaveKey("error"))
			Expect(fields).To(HaveKey("error_type"))
			Expect(fields).To(HaveKey("status_code"))
			Expect(fields).NotTo(HaveKey("error_details"))
			Expect(fields).NotTo(HaveKey("underlying_error"))
		})

		It("should handle regular errors", func() {
			err := errors.New("regular error")
			fields := LogFields(err)

			Expect(fields).To(HaveKey("error"))
			Expect(fields).NotTo(HaveKey("error_type"))
		})
	})

	Describe("error chaining", func() {
		It("should handle an empty error list", func() {
			Expect(Chain()).To(BeNil())
		})

		It("should handle a single error", func() {
			originalErr := errors.New("single error")
			Expect(Chain(originalErr)).To(Equal(originalErr))
		})

		It("should filter nil errors", func() {
			err1 := errors.New("error 1")
			err2 := errors.New("error 2")

			err := Chain(err1, nil, err2, nil)

			Expect(err).To(HaveOccurred())
			Expect(err.Error()).To(ContainSubstring("error 1"))
			Expect(err.Error()).To(ContainSubstring("error 2"))
		})

		It("should chain multiple errors", func() {
			err1 := errors.New("first error")
			err2 := errors.New("second error")
			err3 := errors.New("third error")

			chainedErr := Chain(err1, err2, err3)

			Expect(chainedErr).To(HaveOccurred())
			msg := chainedErr.Error()
			Expect(msg).To(ContainSubstring("first error"))
			Expect(msg).To(ContainSubstring("second error"))
			Expect(msg).To(ContainSubstring("third error"))
			Expect(msg).To(ContainSubstring(" -> "))
		})

		It("should return nil when all errors are nil", func() {
			Expect(Chain(nil, nil, nil)).To(BeNil())
		})
	})

	Describe("error type constants", func() {
		It("should have all expected error types defined", func() {
			expectedTypes := []ErrorType{
				ErrorTypeValidation,
				ErrorTypeDatabase,
				ErrorTypeNetwork,
				ErrorTypeAuth,
				ErrorTypeNotFound,
				ErrorTypeConflict,
				ErrorTypeInternal,
				ErrorTypeTimeout,
				ErrorTypeRateLimit,
			}

			for _, errorType := range expectedTypes {
				Expect(string(errorType)).NotTo(BeEmpty())
			}
		})
	})
})
