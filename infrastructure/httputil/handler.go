package httputil

import "net/http"

// RespondCreated writes a 201 Created response with the given data. Used by
// the control plane's registration and admission endpoints (register node,
// submit match) and by the node's own createMatch handler.
func RespondCreated(w http.ResponseWriter, data interface{}) {
	WriteJSON(w, http.StatusCreated, data)
}

// RespondNoContent writes a 204 No Content response, used by deregister and
// delete-match handlers.
func RespondNoContent(w http.ResponseWriter) {
	w.WriteHeader(http.StatusNoContent)
}
