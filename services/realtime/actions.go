package realtime

import (
	"context"

	"github.com/opentracing/opentracing-go"
	"github.com/pkg/errors"

	"github.com/mailwell/mailmirror/dto"
	"github.com/mailwell/mailmirror/interfaces"
	"github.com/mailwell/mailmirror/internal/enum"
	"github.com/mailwell/mailmirror/internal/models"
	"github.com/mailwell/mailmirror/internal/tracing"
)

// applyAction pushes one local action to the server and mirrors its effect
// in the local store. Every branch is written to be idempotent: re-applying
// the same action converges on the same state.
func (r *Reconciler) applyAction(ctx context.Context, action dto.ActionRecord) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "Reconciler.applyAction")
	defer span.Finish()
	tracing.TagComponentService(span)
	tracing.TagMailbox(span, r.mailbox.ID)
	span.SetTag("action.type", action.Type.String())

	var err error
	switch action.Type {
	case enum.ActionMarkRead:
		err = r.applyFlagAction(ctx, action.MessageIDs, flagSeen, true)
	case enum.ActionMarkUnread:
		err = r.applyFlagAction(ctx, action.MessageIDs, flagSeen, false)
	case enum.ActionMarkImportant:
		err = r.applyFlagAction(ctx, action.MessageIDs, flagFlagged, true)
	case enum.ActionDelete:
		err = r.applyDelete(ctx, action.MessageIDs)
	case enum.ActionMove:
		err = r.applyMove(ctx, action.MessageIDs, action.TargetFolder)
	case enum.ActionCreateFolder:
		err = r.applyCreateFolder(ctx, action.TargetFolder, action.ParentFolder)
	case enum.ActionResendDraft:
		err = r.applyResendDraft(ctx, action.DraftID)
	default:
		err = errors.Errorf("unknown action type %s", action.Type)
	}
	if err != nil {
		tracing.TraceErr(span, err)
		r.log.Errorf("failed to apply action %s (%s) for mailbox %s: %v", action.ID, action.Type, r.mailbox.ID, err)
	}
}

// located is a resolved action target: the message's folder, the session
// pinned at lookup time, and the remote uid.
type located struct {
	folder  interfaces.LogicalFolder
	session interfaces.ReconcileSession
	uid     uint32
}

// locate resolves a local message id to its exact folder's live session,
// together with the remote uid.
func (r *Reconciler) locate(ctx context.Context, localMessageID string) (located, error) {
	identity, err := r.identities.GetByLocalMessageID(ctx, r.mailbox.ID, localMessageID)
	if err != nil {
		return located{}, err
	}
	if identity == nil {
		return located{}, errors.Errorf("no remote identity for message %s", localMessageID)
	}
	folderName, uid, err := models.ParseRemoteRef(identity.RemoteRef)
	if err != nil {
		return located{}, err
	}

	r.mu.Lock()
	worker := r.workers[folderName]
	r.mu.Unlock()
	if worker != nil {
		if session := worker.liveSession(); session != nil {
			return located{folder: worker.folder, session: session, uid: uid}, nil
		}
	}
	return located{}, errors.Errorf("no live session for folder %s", folderName)
}

func (r *Reconciler) applyFlagAction(ctx context.Context, messageIDs []string, flag string, set bool) error {
	for _, id := range messageIDs {
		target, err := r.locate(ctx, id)
		if err != nil {
			r.log.Warnf("skipping flag change for message %s: %v", id, err)
			continue
		}
		if set {
			err = target.session.AddFlags(ctx, []uint32{target.uid}, []string{flag})
		} else {
			err = target.session.RemoveFlags(ctx, []uint32{target.uid}, []string{flag})
		}
		if err != nil {
			return errors.Wrapf(err, "failed to change %s on message %s", flag, id)
		}

		switch flag {
		case flagSeen:
			err = r.store.SetUnread(ctx, []string{id}, !set)
		case flagFlagged:
			err = r.store.SetImportant(ctx, []string{id}, set)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (r *Reconciler) applyDelete(ctx context.Context, messageIDs []string) error {
	for _, id := range messageIDs {
		target, err := r.locate(ctx, id)
		if err != nil {
			// The remote copy may already be gone; still converge locally.
			r.log.Warnf("deleting message %s locally only: %v", id, err)
			if err := r.store.SetRemoved(ctx, []string{id}); err != nil {
				return err
			}
			continue
		}

		if trash := r.folderNameByRole(enum.FolderTrash); trash != "" && target.folder.Role != enum.FolderTrash {
			err = target.session.Move(ctx, []uint32{target.uid}, trash)
		} else {
			if err = target.session.AddFlags(ctx, []uint32{target.uid}, []string{flagDeleted}); err == nil {
				err = target.session.Expunge(ctx)
			}
		}
		if err != nil {
			return errors.Wrapf(err, "failed to delete message %s remotely", id)
		}

		if err := r.store.SetRemoved(ctx, []string{id}); err != nil {
			return err
		}
		ref := models.EncodeRemoteRef(target.folder.Name, target.uid)
		if err := r.identities.Delete(ctx, r.mailbox.ID, ref); err != nil {
			r.log.Errorf("failed to delete identity %s: %v", ref, err)
		}
	}
	return nil
}

// applyMove relocates messages remotely and drops their identities; the
// destination folder's next delta rebinds them under fresh remote refs.
func (r *Reconciler) applyMove(ctx context.Context, messageIDs []string, targetFolder string) error {
	if targetFolder == "" {
		return errors.New("move action without target folder")
	}
	for _, id := range messageIDs {
		target, err := r.locate(ctx, id)
		if err != nil {
			r.log.Warnf("skipping move for message %s: %v", id, err)
			continue
		}
		if err := target.session.Move(ctx, []uint32{target.uid}, targetFolder); err != nil {
			return errors.Wrapf(err, "failed to move message %s to %s", id, targetFolder)
		}
		ref := models.EncodeRemoteRef(target.folder.Name, target.uid)
		if err := r.identities.Delete(ctx, r.mailbox.ID, ref); err != nil {
			r.log.Errorf("failed to delete identity %s after move: %v", ref, err)
		}
	}
	return nil
}

func (r *Reconciler) applyCreateFolder(ctx context.Context, name string, parentID *string) error {
	if name == "" {
		return errors.New("create folder action without name")
	}

	var session interfaces.ReconcileSession
	r.mu.Lock()
	workers := make([]*folderWorker, 0, len(r.workers))
	for _, w := range r.workers {
		workers = append(workers, w)
	}
	r.mu.Unlock()
	for _, w := range workers {
		if s := w.liveSession(); s != nil {
			session = s
			break
		}
	}
	if session == nil {
		return errors.New("no live session to create folder with")
	}

	if err := session.CreateFolder(ctx, name); err != nil {
		return errors.Wrapf(err, "failed to create folder %s remotely", name)
	}
	return r.folders.Create(ctx, &models.UserFolder{
		MailboxID: r.mailbox.ID,
		Name:      name,
		ParentID:  parentID,
	})
}

// applyResendDraft transmits a stored draft over SMTP and appends a copy to
// the sent folder. The sent copy is re-identified by its content id on the
// next sent-folder delta, so it is never inserted twice.
func (r *Reconciler) applyResendDraft(ctx context.Context, draftID string) error {
	if r.drafts == nil {
		return errors.New("no draft provider configured")
	}
	raw, mailID, from, recipients, err := r.drafts.GetDraft(ctx, r.mailbox.ID, draftID)
	if err != nil {
		return errors.Wrapf(err, "failed to load draft %s", draftID)
	}

	if err := r.smtp.SendRaw(ctx, from, recipients, raw); err != nil {
		return errors.Wrapf(err, "failed to send draft %s", draftID)
	}

	if sent := r.folderNameByRole(enum.FolderSent); sent != "" {
		r.mu.Lock()
		worker := r.workers[sent]
		r.mu.Unlock()
		if worker != nil {
			if session := worker.liveSession(); session != nil {
				if err := session.Append(ctx, sent, []string{flagSeen}, raw); err != nil {
					r.log.Warnf("failed to append sent copy of draft %s (mail id %s): %v", draftID, mailID, err)
				}
			}
		}
	}
	return nil
}

func (r *Reconciler) folderNameByRole(role enum.FolderRole) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, w := range r.workers {
		if w.folder.Role == role {
			return w.folder.Name
		}
	}
	return ""
}
