package respond

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// JSON writes payload with status. Accepted launches carry Location so
// clients can poll the Service they started.
func JSON(c *gin.Context, status int, payload interface{}) {
	if status == http.StatusAccepted {
		if loc := c.GetString("location"); loc != "" {
			c.Header("Location", loc)
		}
	}
	c.JSON(status, payload)
}

func OK(c *gin.Context, payload interface{}) {
	JSON(c, http.StatusOK, payload)
}
