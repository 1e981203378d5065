package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"modelsync/internal/session"
	"modelsync/internal/store"
)

type objectBody struct {
	Body session.Ref `json:"body"`
}

type commitBody struct {
	Body session.CommitResult `json:"body"`
}

func registerObjects(api huma.API, st *store.Store) {
	huma.Register(api, huma.Operation{
		OperationID: "lookup-object",
		Method:      http.MethodGet,
		Path:        "/objects/{kind}/lookup",
		Summary:     "Find an object by exact key",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Kind  string `path:"kind" enum:"class,property,instance"`
		Name  string `query:"name" required:"true"`
		Owner string `query:"owner"`
	}) (*struct {
		Body LookupResponse `json:"body"`
	}, error) {
		l, err := st.FindByKey(ctx, session.Kind(input.Kind), session.Key{Owner: input.Owner, Name: input.Name})
		if err != nil {
			return nil, handleError(err)
		}
		resp := LookupResponse{Found: l.Found}
		if l.Found {
			resp.Object = &l.Ref
		}
		return &struct {
			Body LookupResponse `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-object",
		Method:      http.MethodGet,
		Path:        "/objects/{kind}/{id}",
		Summary:     "Get an object by id",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Kind string `path:"kind" enum:"class,property,instance"`
		ID   string `path:"id"`
	}) (*objectBody, error) {
		ref, err := st.Get(ctx, session.Kind(input.Kind), input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &objectBody{Body: ref}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "query-objects",
		Method:      http.MethodPost,
		Path:        "/objects/{kind}/query",
		Summary:     "List objects whose fields equal every entry of where",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Kind string       `path:"kind" enum:"class,property,instance"`
		Body QueryRequest `json:"body"`
	}) (*struct {
		Body QueryResponse `json:"body"`
	}, error) {
		refs, err := st.Query(ctx, session.Kind(input.Kind), session.Predicate(input.Body.Where))
		if err != nil {
			return nil, handleError(err)
		}
		if refs == nil {
			refs = []session.Ref{}
		}
		return &struct {
			Body QueryResponse `json:"body"`
		}{Body: QueryResponse{Items: refs}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "create-object",
		Method:      http.MethodPost,
		Path:        "/objects/{kind}",
		Summary:     "Create an object in one commit",
		Errors:      []int{http.StatusBadRequest, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		Kind string        `path:"kind" enum:"class,property,instance"`
		Body CommitRequest `json:"body"`
	}) (*commitBody, error) {
		h, err := st.BeginCreate(ctx, session.Kind(input.Kind))
		if err != nil {
			return nil, handleError(err)
		}
		return commit(ctx, st, h, input.Body)
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-object",
		Method:      http.MethodPut,
		Path:        "/objects/{kind}/{id}",
		Summary:     "Update an object in one commit",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		Kind string        `path:"kind" enum:"class,property,instance"`
		ID   string        `path:"id"`
		Body CommitRequest `json:"body"`
	}) (*commitBody, error) {
		h, err := st.BeginUpdate(ctx, session.Ref{Kind: session.Kind(input.Kind), ID: input.ID})
		if err != nil {
			return nil, handleError(err)
		}
		return commit(ctx, st, h, input.Body)
	})
}

func commit(ctx context.Context, st *store.Store, h *session.Handle, req CommitRequest) (*commitBody, error) {
	defer st.Discard(h)
	for name, v := range req.Fields {
		h.SetField(name, v)
	}
	for name, v := range req.Values {
		h.SetValue(name, v)
	}
	if p, ok := principalFromContext(ctx); ok {
		ctx = store.WithActor(ctx, p.ActorID)
	}
	res, err := st.Commit(ctx, h)
	if err != nil {
		return nil, handleError(err)
	}
	if res.Changed == nil {
		res.Changed = []string{}
	}
	return &commitBody{Body: res}, nil
}
