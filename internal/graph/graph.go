// Package graph реализует операции над лесом рефералов поверх реестра.
package graph

import (
	"context"
	"errors"
	"fmt"

	"github.com/mmeshcher/referral-network/internal/model"
)

// Store описывает часть реестра, необходимую графу рефералов.
type Store interface {
	GetUser(ctx context.Context, id string) (*model.User, error)
	AttachReferral(ctx context.Context, parentID, childID string) error
	Descendants(ctx context.Context, rootID string) ([]model.User, error)
}

// Graph отвечает на запросы о предках и потомках и привязывает рефералов.
type Graph struct {
	store Store
}

// New создаёт граф поверх реестра.
func New(store Store) *Graph {
	return &Graph{store: store}
}

// Attach делает childID прямым рефералом parentID.
// Ограничения (один родитель, не более восьми прямых рефералов, отсутствие циклов)
// проверяются реестром атомарно вместе с изменением.
func (g *Graph) Attach(ctx context.Context, parentID, childID string) error {
	return g.store.AttachReferral(ctx, parentID, childID)
}

// Ancestor возвращает пользователя на hops связей выше userID.
// Если цепочка короче, возвращается nil без ошибки.
func (g *Graph) Ancestor(ctx context.Context, userID string, hops int) (*model.User, error) {
	if hops < 1 {
		return nil, fmt.Errorf("ancestor hops must be positive, got %d: %w", hops, model.ErrValidation)
	}

	u, err := g.store.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	for i := 0; i < hops; i++ {
		if !u.HasParent() {
			return nil, nil
		}
		parentID := u.ParentID
		u, err = g.store.GetUser(ctx, parentID)
		if err != nil {
			if errors.Is(err, model.ErrNotFound) {
				// ссылка на удалённого предка означает повреждённый реестр
				return nil, fmt.Errorf("ancestor %s of %s is missing: %w", parentID, userID, model.ErrConstraint)
			}
			return nil, fmt.Errorf("load ancestor %d of %s: %w", i+1, userID, err)
		}
	}
	return u, nil
}

// Materialize строит дерево потомков userID.
// Дети каждого узла идут в порядке привязки.
func (g *Graph) Materialize(ctx context.Context, userID string) (*model.TreeNode, error) {
	users, err := g.store.Descendants(ctx, userID)
	if err != nil {
		return nil, err
	}

	byID := make(map[string]*model.TreeNode, len(users))
	for i := range users {
		byID[users[i].ID] = &model.TreeNode{User: users[i], Children: []*model.TreeNode{}}
	}

	root, ok := byID[userID]
	if !ok {
		return nil, fmt.Errorf("subtree of %s has no root: %w", userID, model.ErrConstraint)
	}

	stack := []*model.TreeNode{root}
	for len(stack) > 0 {
		node := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		for _, childID := range node.DirectReferrals {
			child, ok := byID[childID]
			if !ok {
				continue
			}
			// каждый узел подвешивается не более одного раза
			delete(byID, childID)
			node.Children = append(node.Children, child)
			stack = append(stack, child)
		}
	}

	return root, nil
}
