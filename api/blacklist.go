package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"gitlab.com/arcapay/recoup/iban"
	"gitlab.com/arcapay/recoup/models/blacklist"
)

func (r *RestServer) registerBlacklistRoutes() {
	r.Router.POST("/blacklist", r.addBlacklistEntry())
}

func (r *RestServer) addBlacklistEntry() gin.HandlerFunc {
	type request struct {
		Iban      string `json:"iban"`
		FirstName string `json:"firstName"`
		LastName  string `json:"lastName"`
		Email     string `json:"email" binding:"omitempty,email"`
		Reason    string `json:"reason" binding:"required"`
		AddedBy   string `json:"addedBy"`
	}
	return func(c *gin.Context) {
		var req request
		if err := c.ShouldBindJSON(&req); err != nil {
			_ = c.Error(err).SetType(gin.ErrorTypeBind)
			return
		}

		entry := blacklist.Entry{Reason: req.Reason}
		if req.Iban != "" {
			normalized := iban.Normalize(req.Iban)
			hash := iban.Hash(normalized)
			masked := iban.Mask(normalized)
			entry.IbanHash = &hash
			entry.Iban = &masked
		}
		if req.FirstName != "" {
			entry.FirstName = &req.FirstName
		}
		if req.LastName != "" {
			entry.LastName = &req.LastName
		}
		if req.Email != "" {
			entry.Email = &req.Email
		}
		if req.AddedBy != "" {
			entry.AddedBy = &req.AddedBy
		}

		if err := blacklist.Add(r.db, entry); err != nil {
			_ = c.Error(err).SetMeta("blacklist.add")
			return
		}
		c.JSON(http.StatusCreated, gin.H{"status": "added"})
	}
}
