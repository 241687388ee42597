package server

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/MarcoPoloResearchLab/windsayl/internal/apperrors"
	"github.com/MarcoPoloResearchLab/windsayl/internal/storage"
	"github.com/MarcoPoloResearchLab/windsayl/internal/users"
	"github.com/MarcoPoloResearchLab/windsayl/internal/validation"
)

const (
	displayPictureField = "image"

	messageWaveDeleted       = "Wave deleted successfully"
	messageDetailsUpdated    = "Details updated successfully"
	messageImageUploaded     = "Image uploaded successfully"
	messageNotificationsRead = "Notifications marked read"
	messageMediaNotFound     = "Media not found"
	messageMissingImage      = "No image submitted"
)

type waveBodyPayload struct {
	Body string `json:"body"`
}

type tokenResponsePayload struct {
	UserToken string `json:"userToken"`
	ExpiresIn int64  `json:"expiresIn"`
}

func (h *httpHandler) handleListWaves(c *gin.Context) error {
	list, err := h.waves.ListWaves(c.Request.Context())
	if err != nil {
		return err
	}
	c.JSON(http.StatusOK, list)
	return nil
}

func (h *httpHandler) handleGetWave(c *gin.Context) error {
	detail, err := h.waves.GetWave(c.Request.Context(), c.Param("waveId"))
	if err != nil {
		return err
	}
	c.JSON(http.StatusOK, detail)
	return nil
}

func (h *httpHandler) handleCreateWave(c *gin.Context) error {
	actor, ok := actorFromContext(c)
	if !ok {
		return missingActor()
	}
	var payload waveBodyPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		return invalidRequestBody("server.create_wave")
	}
	wave, err := h.waves.CreateWave(c.Request.Context(), actor.Author(), payload.Body)
	if err != nil {
		return err
	}
	c.JSON(http.StatusCreated, wave)
	return nil
}

func (h *httpHandler) handleDeleteWave(c *gin.Context) error {
	actor, ok := actorFromContext(c)
	if !ok {
		return missingActor()
	}
	if err := h.waves.DeleteWave(c.Request.Context(), actor.Author(), c.Param("waveId")); err != nil {
		return err
	}
	c.JSON(http.StatusOK, gin.H{"message": messageWaveDeleted})
	return nil
}

func (h *httpHandler) handleCreateComment(c *gin.Context) error {
	actor, ok := actorFromContext(c)
	if !ok {
		return missingActor()
	}
	var payload waveBodyPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		return invalidRequestBody("server.create_comment")
	}
	comment, err := h.waves.CreateComment(c.Request.Context(), actor.Author(), c.Param("waveId"), payload.Body)
	if err != nil {
		return err
	}
	c.JSON(http.StatusOK, comment)
	return nil
}

func (h *httpHandler) handleDeleteComment(c *gin.Context) error {
	actor, ok := actorFromContext(c)
	if !ok {
		return missingActor()
	}
	wave, err := h.waves.DeleteComment(c.Request.Context(), actor.Author(), c.Param("waveId"), c.Param("commentId"))
	if err != nil {
		return err
	}
	c.JSON(http.StatusOK, wave)
	return nil
}

func (h *httpHandler) handleCreateSplash(c *gin.Context) error {
	actor, ok := actorFromContext(c)
	if !ok {
		return missingActor()
	}
	wave, err := h.waves.CreateSplash(c.Request.Context(), actor.Author(), c.Param("waveId"))
	if err != nil {
		return err
	}
	c.JSON(http.StatusOK, wave)
	return nil
}

func (h *httpHandler) handleDeleteSplash(c *gin.Context) error {
	actor, ok := actorFromContext(c)
	if !ok {
		return missingActor()
	}
	wave, err := h.waves.DeleteSplash(c.Request.Context(), actor.Author(), c.Param("waveId"))
	if err != nil {
		return err
	}
	c.JSON(http.StatusOK, wave)
	return nil
}

func (h *httpHandler) handleCreateRipple(c *gin.Context) error {
	actor, ok := actorFromContext(c)
	if !ok {
		return missingActor()
	}
	wave, err := h.waves.CreateRipple(c.Request.Context(), actor.Author(), c.Param("waveId"))
	if err != nil {
		return err
	}
	c.JSON(http.StatusOK, wave)
	return nil
}

func (h *httpHandler) handleDeleteRipple(c *gin.Context) error {
	actor, ok := actorFromContext(c)
	if !ok {
		return missingActor()
	}
	wave, err := h.waves.DeleteRipple(c.Request.Context(), actor.Author(), c.Param("waveId"))
	if err != nil {
		return err
	}
	c.JSON(http.StatusOK, wave)
	return nil
}

func (h *httpHandler) handleSignUp(c *gin.Context) error {
	var request users.SignUpRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		return invalidRequestBody("server.sign_up")
	}
	session, err := h.users.SignUp(c.Request.Context(), request)
	if err != nil {
		return err
	}
	c.JSON(http.StatusCreated, tokenResponsePayload{UserToken: session.Token, ExpiresIn: session.ExpiresIn})
	return nil
}

func (h *httpHandler) handleLogin(c *gin.Context) error {
	var request users.LoginRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		return invalidRequestBody("server.login")
	}
	session, err := h.users.Login(c.Request.Context(), request)
	if err != nil {
		return err
	}
	c.JSON(http.StatusOK, tokenResponsePayload{UserToken: session.Token, ExpiresIn: session.ExpiresIn})
	return nil
}

func (h *httpHandler) handlePublicProfile(c *gin.Context) error {
	profile, err := h.users.GetPublicProfile(c.Request.Context(), c.Param("handle"))
	if err != nil {
		return err
	}
	c.JSON(http.StatusOK, profile)
	return nil
}

func (h *httpHandler) handlePrivateData(c *gin.Context) error {
	actor, ok := actorFromContext(c)
	if !ok {
		return missingActor()
	}
	data, err := h.users.GetPrivateData(c.Request.Context(), actor)
	if err != nil {
		return err
	}
	c.JSON(http.StatusOK, data)
	return nil
}

func (h *httpHandler) handleUpdateDetails(c *gin.Context) error {
	actor, ok := actorFromContext(c)
	if !ok {
		return missingActor()
	}
	var details validation.UserDetails
	if err := c.ShouldBindJSON(&details); err != nil {
		return invalidRequestBody("server.update_details")
	}
	if err := h.users.UpdateDetails(c.Request.Context(), actor, details); err != nil {
		return err
	}
	c.JSON(http.StatusOK, gin.H{"message": messageDetailsUpdated})
	return nil
}

func (h *httpHandler) handleUpdateDisplayPicture(c *gin.Context) error {
	actor, ok := actorFromContext(c)
	if !ok {
		return missingActor()
	}
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, users.MaxDisplayPictureBytes+1<<20)
	header, err := c.FormFile(displayPictureField)
	if err != nil {
		return apperrors.Validation("server.update_display_picture.missing_image", map[string]string{"error": messageMissingImage})
	}
	file, err := header.Open()
	if err != nil {
		return apperrors.Internal("server.update_display_picture.open_failed", err)
	}
	defer file.Close()

	if _, err := h.users.UpdateDisplayPicture(c.Request.Context(), actor, file); err != nil {
		return err
	}
	c.JSON(http.StatusOK, gin.H{"message": messageImageUploaded})
	return nil
}

func (h *httpHandler) handleMarkNotificationsRead(c *gin.Context) error {
	actor, ok := actorFromContext(c)
	if !ok {
		return missingActor()
	}
	var ids []string
	if err := c.ShouldBindJSON(&ids); err != nil {
		return invalidRequestBody("server.mark_notifications_read")
	}
	if _, err := h.notifications.MarkRead(c.Request.Context(), actor.Handle, ids); err != nil {
		return err
	}
	c.JSON(http.StatusOK, gin.H{"message": messageNotificationsRead})
	return nil
}

func (h *httpHandler) handleMedia(c *gin.Context) error {
	object, err := h.media.Open(c.Param("name"))
	if errors.Is(err, storage.ErrObjectNotFound) || errors.Is(err, storage.ErrInvalidObjectName) {
		return apperrors.NotFound("server.media.not_found", messageMediaNotFound)
	}
	if err != nil {
		return apperrors.Internal("server.media.open_failed", err)
	}
	defer object.File.Close()

	c.Header("Cache-Control", "public, max-age=86400")
	c.DataFromReader(http.StatusOK, object.Size, object.ContentType, io.Reader(object.File), nil)
	return nil
}
