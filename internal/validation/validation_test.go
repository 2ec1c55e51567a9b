package validation

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/mr-tron/base58"
	"github.com/stretchr/testify/assert"
)

func TestIsValidAccountAddress(t *testing.T) {
	addr := base58.Encode(make([]byte, 32))
	assert.True(t, IsValidAccountAddress(addr))

	filled := make([]byte, 32)
	for i := range filled {
		filled[i] = 0xFF
	}
	assert.True(t, IsValidAccountAddress(base58.Encode(filled)))

	assert.False(t, IsValidAccountAddress(""))
	assert.False(t, IsValidAccountAddress("short"))
	assert.False(t, IsValidAccountAddress("0x00112233445566778899aabbccddeeff00112233"))
	assert.False(t, IsValidAccountAddress("contains 0 O I l chars 0OIl0OIl0OIl0OIl"))
}

func TestSanitizeString(t *testing.T) {
	assert.Equal(t, "hello", SanitizeString("  hello  ", 100))
	assert.Equal(t, "he", SanitizeString("hello", 2))
	assert.Equal(t, "ab", SanitizeString("a\x00b", 100))
}

func TestValidate(t *testing.T) {
	errs := Validate(
		Required("name", ""),
		MaxLength("name", "toolong", 3),
	)
	assert.Len(t, errs, 2)
	assert.Equal(t, "name: is required", errs.Error())

	errs = Validate(Required("name", "ok"), MaxLength("name", "ok", 10))
	assert.Empty(t, errs)
}

func TestAddressParamMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/accounts/:address", AddressParamMiddleware(), func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})

	good := base58.Encode(make([]byte, 32))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/accounts/"+good, nil))
	assert.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/accounts/bad!", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
